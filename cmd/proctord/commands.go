package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"proctord/internal/bridge"
	"proctord/internal/clock"
	"proctord/internal/config"
	"proctord/internal/lockfile"
	"proctord/internal/store"
)

func cmdInfo(args []string) error {
	var cf commonFlags
	fs := newFlagSet("info", &cf, true)
	fs.Parse(args)

	_, cfg, err := loadConfig(&cf)
	if err != nil {
		return err
	}
	if cf.evaluationID == "" {
		return errors.New("-evaluation is required")
	}
	client, err := newBackend(cfg, nil)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cfg)
	defer cancel()

	info, err := client.SessionInfo(ctx, cf.evaluationID)
	if err != nil {
		return err
	}

	fmt.Printf("Evaluation:  %s\n", info.Name)
	fmt.Printf("ID:          %s\n", info.EvaluationID)
	if info.CourseID != "" {
		fmt.Printf("Course:      %s\n", info.CourseID)
	}
	fmt.Printf("Status:      %s\n", info.Status)
	fmt.Printf("Starts:      %s\n", info.StartTime.Local().Format(time.RFC1123))
	fmt.Printf("Duration:    %d minutes\n", info.DurationMinutes)
	if !info.EndTime.IsZero() {
		fmt.Printf("Ends:        %s", info.EndTime.Local().Format(time.RFC1123))
		if info.Open() {
			fmt.Printf(" (%s left)", clock.Format(clock.RemainingSeconds(info.EndTime.Time, time.Now())))
		}
		fmt.Println()
	}
	fmt.Printf("Max score:   %g (weight %g)\n", info.MaxScore, info.Weightage)
	if len(info.AllowedURLs) > 0 {
		fmt.Println("Allowed resources:")
		for _, u := range info.AllowedURLs {
			fmt.Printf("  %s\n", u)
		}
	}
	return nil
}

func cmdResult(args []string) error {
	var cf commonFlags
	fs := newFlagSet("result", &cf, true)
	fs.Parse(args)

	_, cfg, err := loadConfig(&cf)
	if err != nil {
		return err
	}
	evaluationID, studentID, err := cf.attempt(cfg)
	if err != nil {
		return err
	}
	client, err := newBackend(cfg, nil)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cfg)
	defer cancel()

	st, err := client.SubmissionStatus(ctx, evaluationID, studentID)
	if err != nil {
		return err
	}
	fmt.Printf("Submission:  %s\n", st.SubmissionID)
	fmt.Printf("Status:      %s\n", st.Status)
	if !st.SubmittedAt.IsZero() {
		fmt.Printf("Submitted:   %s\n", st.SubmittedAt.Local().Format(time.RFC1123))
	}
	fmt.Printf("Score:       %g\n", st.Score)
	if st.Rank > 0 {
		fmt.Printf("Rank:        %d\n", st.Rank)
	}
	return nil
}

func cmdStatus(args []string) error {
	var cf commonFlags
	fs := newFlagSet("status", &cf, false)
	fs.Parse(args)

	loader, cfg, err := loadConfig(&cf)
	if err != nil {
		return err
	}

	fmt.Println("=== proctord Status ===")
	fmt.Println()
	fmt.Printf("Config:          %s\n", loader.Path())
	fmt.Printf("Data directory:  %s\n", config.DataDir())
	fmt.Printf("Backend:         %s\n", cfg.Backend.BaseURL)
	fmt.Printf("Bridge:          %s\n", cfg.Bridge.Listen)
	if cfg.Reporter.Kafka.Enabled {
		fmt.Printf("Kafka mirror:    %s %v\n", cfg.Reporter.Kafka.Topic, cfg.Reporter.Kafka.Brokers)
	}
	if pid, err := lockfile.Holder(lockPath()); err == nil && pid > 0 {
		fmt.Printf("Monitor:         RUNNING (pid %d)\n", pid)
	} else {
		fmt.Println("Monitor:         not running")
	}

	if cfg.Storage.Type == "memory" {
		fmt.Println("Journal:         in-memory")
		return nil
	}
	journal, err := openJournal(cfg)
	if err != nil && !errors.Is(err, store.ErrIntegrity) {
		return err
	}
	defer journal.Close()

	ctx, cancel := commandContext(cfg)
	defer cancel()
	stats, err := journal.GetStats(ctx)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Journal:         %s (schema v%d)\n", cfg.Storage.Path, stats.SchemaVersion)
	fmt.Printf("Sessions:        %d\n", stats.Sessions)
	fmt.Printf("Records:         %d (%d violations)\n", stats.RecordCount, stats.Violations)
	fmt.Printf("Evidence:        %d\n", stats.Evidence)
	fmt.Printf("Submissions:     %d (%d undelivered)\n", stats.Submissions, stats.Undelivered)
	if !stats.NewestRecord.IsZero() {
		fmt.Printf("Last record:     %s\n", stats.NewestRecord.Local().Format(time.RFC1123))
	}
	if stats.IntegrityOK {
		fmt.Println("Integrity:       OK")
	} else {
		fmt.Println("Integrity:       FAILED (run 'proctord journal -verify')")
	}

	pending, err := journal.ListUndelivered(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Println()
		fmt.Println("Undelivered submissions:")
		for _, sub := range pending {
			fmt.Printf("  %s  %s/%s  attempts=%d  %s\n",
				sub.ID, sub.EvaluationID, sub.StudentID, sub.Attempts, sub.LastError)
		}
	}
	return nil
}

func cmdJournal(args []string) error {
	var cf commonFlags
	fs := newFlagSet("journal", &cf, true)
	verify := fs.Bool("verify", false, "verify the record chain")
	asJSON := fs.Bool("json", false, "print records as JSON")
	fs.Parse(args)

	_, cfg, err := loadConfig(&cf)
	if err != nil {
		return err
	}
	if cfg.Storage.Type == "memory" {
		return errors.New("journal is in-memory; nothing persisted")
	}
	journal, err := openJournal(cfg)
	if err != nil && !errors.Is(err, store.ErrIntegrity) {
		return err
	}
	defer journal.Close()

	ctx, cancel := commandContext(cfg)
	defer cancel()

	if *verify {
		report, err := journal.Verify(ctx)
		if err != nil {
			return err
		}
		if audit, err := openAudit(cfg); err == nil {
			audit.LogVerification(ctx, cfg.Storage.Path, report.OK(), map[string]any{
				"records":   report.Records,
				"broken_at": report.BrokenAt,
			})
			audit.Close()
		}
		fmt.Printf("Records:   %d\n", report.Records)
		fmt.Printf("Chain:     %s\n", hex.EncodeToString(report.ChainHash[:]))
		if !report.OK() {
			fmt.Printf("Result:    TAMPERED at record %d: %s\n", report.BrokenAt, report.Problem)
			return errors.New("journal verification failed")
		}
		fmt.Println("Result:    OK")
		return nil
	}

	sessions, err := journal.ListSessions(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, row := range sessions {
		if cf.evaluationID != "" && row.EvaluationID != cf.evaluationID {
			continue
		}
		if cf.studentID != "" && row.StudentID != cf.studentID {
			continue
		}
		records, err := journal.Records(ctx, row.EvaluationID, row.StudentID)
		if err != nil {
			return err
		}
		if *asJSON {
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			continue
		}
		fmt.Printf("%s  %s  student=%s  phase=%s  records=%d\n",
			row.EvaluationID, row.Name, row.StudentID, row.Phase, len(records))
		for _, r := range records {
			label := string(r.Activity)
			if r.Violation {
				label = string(r.Kind)
			}
			fmt.Printf("  #%-4d %s  %-16s %s\n", r.Seq, r.Timestamp.Local().Format("15:04:05"), label, r.Detail)
		}
	}
	return nil
}

func cmdToken(args []string) error {
	var cf commonFlags
	fs := newFlagSet("token", &cf, true)
	fs.Parse(args)

	_, cfg, err := loadConfig(&cf)
	if err != nil {
		return err
	}
	evaluationID, studentID, err := cf.attempt(cfg)
	if err != nil {
		return err
	}
	secret, err := bridgeSecret(cfg)
	if err != nil {
		return err
	}
	token, err := bridge.IssueToken(secret, studentID, evaluationID, cfg.TokenTTL(), time.Now())
	if err != nil {
		return err
	}
	if audit, err := openAudit(cfg); err == nil {
		audit.SetAttempt(evaluationID, studentID)
		audit.LogTokenIssued(context.Background(), cfg.TokenTTL())
		audit.Close()
	}
	fmt.Println(token)
	return nil
}

func cmdConfig(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: proctord config <init|path>")
	}
	switch args[0] {
	case "init":
		fs := flag.NewFlagSet("config init", flag.ExitOnError)
		path := fs.String("config", config.ConfigPath(), "configuration file to write")
		force := fs.Bool("force", false, "overwrite an existing file")
		fs.Parse(args[1:])

		if _, err := os.Stat(*path); err == nil && !*force {
			return fmt.Errorf("%s already exists (use -force to overwrite)", *path)
		}
		cfg := config.DefaultConfig()
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		if err := config.SaveConfig(cfg, *path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", *path)
		fmt.Println("Set backend.base_url and backend.student_id before running.")
		return nil
	case "path":
		if p := config.FindConfigFile(); p != "" {
			fmt.Println(p)
			return nil
		}
		fmt.Println(config.ConfigPath())
		return nil
	default:
		return fmt.Errorf("unknown config command: %s", args[0])
	}
}
