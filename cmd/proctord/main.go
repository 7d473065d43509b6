// proctord - exam-session integrity monitor
//
// proctord runs next to a lockdown exam shell. The shell connects to the
// local bridge and forwards platform signals; proctord decides what is a
// violation, keeps the tamper-evident journal and reports to the backend.
//
//	proctord run -evaluation <id>     Run the monitor for one attempt
//	proctord info -evaluation <id>    Show evaluation details
//	proctord result -evaluation <id>  Show the submission status
//	proctord status                   Show journal and configuration status
//	proctord journal                  List or verify the local journal
//	proctord token -evaluation <id>   Issue a bridge token for the shell
//	proctord config init              Write a default configuration
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"proctord/internal/backend"
	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/store"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "info":
		err = cmdInfo(args)
	case "result":
		err = cmdResult(args)
	case "status":
		err = cmdStatus(args)
	case "journal":
		err = cmdJournal(args)
	case "token":
		err = cmdToken(args)
	case "config":
		err = cmdConfig(args)
	case "version", "-v", "--version":
		fmt.Printf("proctord %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`proctord - Exam Session Integrity Monitor

USAGE:
    proctord <command> [options]

COMMANDS:
    run           Run the monitor and the shell bridge for one attempt
    info          Show evaluation details from the backend
    result        Show the submission status of an attempt
    status        Show configuration, journal and pending submissions
    journal       List journaled records, or verify the record chain
    token         Issue a bridge token for the exam shell
    config init   Write a default configuration file
    version       Show version
    help          Show this help message

COMMON OPTIONS:
    -config <path>       Configuration file (default: platform config dir)
    -env <path>          .env file to load before the configuration
    -evaluation <id>     Evaluation identifier
    -student <id>        Student identifier (default: backend.student_id)

EXAMPLES:
    proctord config init
    proctord run -evaluation 64f1c2
    proctord journal -verify`)
}

// commonFlags are shared by the commands that talk to one attempt.
type commonFlags struct {
	configPath   string
	envPath      string
	evaluationID string
	studentID    string
}

func newFlagSet(name string, cf *commonFlags, attempt bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&cf.configPath, "config", "", "configuration file")
	fs.StringVar(&cf.envPath, "env", ".env", ".env file")
	if attempt {
		fs.StringVar(&cf.evaluationID, "evaluation", "", "evaluation identifier")
		fs.StringVar(&cf.studentID, "student", "", "student identifier")
	}
	return fs
}

// loadConfig loads the .env file and the validated configuration.
func loadConfig(cf *commonFlags) (*config.Loader, *config.Config, error) {
	if err := config.LoadEnvFile(cf.envPath); err != nil {
		return nil, nil, err
	}
	loader := config.NewLoader(cf.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	return loader, cfg, nil
}

// attempt resolves the evaluation and student for a command.
func (cf *commonFlags) attempt(cfg *config.Config) (evaluationID, studentID string, err error) {
	studentID = cf.studentID
	if studentID == "" {
		studentID = cfg.Backend.StudentID
	}
	if cf.evaluationID == "" {
		return "", "", errors.New("-evaluation is required")
	}
	if studentID == "" {
		return "", "", errors.New("-student is required (or set backend.student_id)")
	}
	return cf.evaluationID, studentID, nil
}

func newLogger(lc config.LoggingConfig, component string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  component,
	})
}

// openAudit opens the audit trail next to the log file.
func openAudit(cfg *config.Config) (*logging.AuditLogger, error) {
	path := logging.DefaultAuditLogPath()
	if cfg.Logging.FilePath != "" {
		path = filepath.Join(filepath.Dir(cfg.Logging.FilePath), "audit.log")
	}
	return logging.NewAuditLogger(logging.AuditLoggerConfig{
		FilePath:   path,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

func newBackend(cfg *config.Config, logger *logging.Logger) (*backend.Client, error) {
	return backend.New(backend.Config{
		BaseURL:   cfg.Backend.BaseURL,
		Timeout:   cfg.BackendTimeout(),
		Logger:    logger,
		UserAgent: "proctord/" + Version,
	})
}

// masterKey loads the master secret all local keys are derived from.
func masterKey(cfg *config.Config) ([]byte, error) {
	return store.LoadOrCreateKey(cfg.Storage.KeyPath)
}

// openJournal opens the tamper-evident journal. A journal that failed
// verification is still returned with the integrity error.
func openJournal(cfg *config.Config) (*store.SecureStore, error) {
	master, err := masterKey(cfg)
	if err != nil {
		return nil, err
	}
	key, err := store.DeriveKey(master, store.JournalKeyDomain)
	if err != nil {
		return nil, err
	}
	path := cfg.Storage.Path
	if cfg.Storage.Type == "memory" {
		path = store.MemoryPath
	} else if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	return store.OpenSecure(path, key, cfg.Storage.BusyTimeoutMs)
}

// bridgeSecret returns the configured secret or derives one from the master
// key, so tokens issued by "proctord token" verify in "proctord run".
func bridgeSecret(cfg *config.Config) ([]byte, error) {
	if cfg.Bridge.Secret != "" {
		return []byte(cfg.Bridge.Secret), nil
	}
	master, err := masterKey(cfg)
	if err != nil {
		return nil, err
	}
	return store.DeriveKey(master, store.BridgeKeyDomain)
}

func lockPath() string {
	return filepath.Join(config.PlatformRuntimeDir(), "proctord.lock")
}

func commandContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cfg.BackendTimeout()+5*time.Second)
}
