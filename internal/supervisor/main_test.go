package supervisor_test

import (
	"log"
	"os"
	"testing"

	"go.uber.org/goleak"

	"github.com/CZERTAINLY/reportd/internal/enginetest"
)

func TestMain(m *testing.M) {
	enginetest.Main()

	ret := m.Run()
	if ret == 0 {
		if err := goleak.Find(); err != nil {
			log.Printf("goleak: %v", err)
			ret = 1
		}
	}
	os.Exit(ret)
}
