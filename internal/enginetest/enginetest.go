// Package enginetest turns a test binary into a fake report engine.
//
// A test package calls Main from its TestMain. When the binary is started by
// the supervisor with the variables returned by Env, it serves the engine
// HTTP API on the -http port instead of running tests:
//
//	func TestMain(m *testing.M) {
//		enginetest.Main()
//		os.Exit(m.Run())
//	}
package enginetest

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	envEngine = "REPORTD_FAKE_ENGINE"
	envMode   = "REPORTD_FAKE_ENGINE_MODE"

	// Namespace is the URL prefix the fake engine serves under
	Namespace = "jenkins"
)

// Modes of the fake engine.
const (
	ModeOK      = "ok"      // answers with models and templates
	ModeMessage = "message" // answers {"message": ErrorMessage}
	ModeCrash   = "crash"   // answers {"message": ""} and logs CrashLine
	ModeGarbage = "garbage" // answers with invalid JSON
	ModeSilent  = "silent"  // never listens
	ModeExit    = "exit"    // exits right after start
)

const (
	ErrorMessage = "report model not found in project"
	CrashLine    = "fatal: license server unreachable"
)

// Models and Templates served in ModeOK.
var (
	Models = []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}{
		{ID: "coverage", Label: "Coverage Analysis"},
		{ID: "trace", Label: "Traceability Matrix"},
	}
	Templates = []string{"default.docx", "summary.xlsx"}
)

// Env returns the environment making a spawned test binary act as an engine.
func Env(mode string) map[string]string {
	return map[string]string{
		envEngine: "1",
		envMode:   mode,
	}
}

// Executable returns the path of the running test binary.
func Executable() (string, error) {
	return os.Executable()
}

// Main runs the fake engine and exits if the process was spawned as one,
// otherwise it returns immediately.
func Main() {
	if os.Getenv(envEngine) != "1" {
		return
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("engine", flag.ContinueOnError)
	port := flags.Int("http", 0, "listen port")
	logfile := flags.String("logfile", "", "log file")
	lang := flags.String("l", "eng", "language")
	timeout := flags.Int("timeout", 60, "response timeout in seconds")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	logf := func(format string, a ...any) {}
	if *logfile != "" {
		f, err := os.OpenFile(*logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			defer func() {
				_ = f.Close()
			}()
			logf = func(format string, a ...any) {
				_, _ = fmt.Fprintf(f, format+"\n", a...)
			}
		}
	}
	logf("engine started on port %d language %s timeout %d", *port, *lang, *timeout)
	fmt.Fprintln(os.Stderr, "engine starting")

	mode := os.Getenv(envMode)
	switch mode {
	case ModeExit:
		logf("exiting on request")
		return 0
	case ModeSilent:
		watchParent()
		select {}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(*port)))
	if err != nil {
		logf("listen: %v", err)
		return 1
	}

	r := chi.NewRouter()
	r.Get("/"+Namespace+"/getReportModels", func(w http.ResponseWriter, req *http.Request) {
		answer(w, mode, logf, Models)
	})
	r.Get("/"+Namespace+"/getReportTemplates", func(w http.ResponseWriter, req *http.Request) {
		answer(w, mode, logf, Templates)
	})

	watchParent()
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: time.Duration(*timeout) * time.Second,
	}
	_ = srv.Serve(ln)
	return 0
}

func answer(w http.ResponseWriter, mode string, logf func(string, ...any), payload any) {
	w.Header().Set("Content-Type", "application/json")
	switch mode {
	case ModeMessage:
		_ = json.NewEncoder(w).Encode(map[string]string{"message": ErrorMessage})
	case ModeCrash:
		logf(CrashLine)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": ""})
	case ModeGarbage:
		_, _ = w.Write([]byte("<html>not json"))
	default:
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// watchParent exits once the process which spawned the engine is gone, so
// a failed test run leaves no engines behind.
func watchParent() {
	ppid := os.Getppid()
	go func() {
		for range time.Tick(200 * time.Millisecond) {
			if os.Getppid() != ppid {
				os.Exit(0)
			}
		}
	}()
}
