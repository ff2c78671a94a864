package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/console"
	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/naming"
	"github.com/seantiz/foundry/internal/procexec"
	"github.com/seantiz/foundry/internal/store"
	"github.com/seantiz/foundry/internal/suite"
	"github.com/seantiz/foundry/internal/suite/fixture"
	"github.com/seantiz/foundry/internal/suite/flash"
	"github.com/seantiz/foundry/internal/suite/mock"
)

const mockPrompt = "Connect the device and press Enter"

// buildSuites registers the suites selected by cfg: the hardware suites, or
// the mock suite alone in mock mode.
func buildSuites(cfg config.Config, logger *slog.Logger) *suite.Registry {
	reg := suite.NewRegistry()
	if cfg.Mock {
		reg.Register(mock.New(mock.Config{FailureRate: cfg.MockFailureRate, Unit: cfg.MockUnit, Prompt: mockPrompt}))
		return reg
	}

	reg.Register(flash.New(flash.Config{
		Tool:         cfg.Flash.Tool,
		FirmwareDir:  cfg.Flash.FirmwareDir,
		ImageInfo:    cfg.Flash.ImageInfo,
		FELAttempts:  cfg.Flash.FELAttempts,
		StageTimeout: cfg.Flash.StageTimeout,
		UBITimeout:   cfg.Flash.UBITimeout,
		Runner:       &procexec.ExecRunner{Logger: logger},
	}))

	fx := cfg.Fixture
	var ledger *naming.Ledger
	if fx.HostnameLog != "" {
		ledger = naming.NewLedger(fx.HostnameLog)
	}
	reg.Register(fixture.New(fixture.Config{
		Dial: func(dev *model.Device) console.Transport {
			return console.New(console.Config{
				Path:     dev.SerialPath,
				BaudRate: fx.ConsoleBaud,
				User:     fx.ConsoleUser,
				Password: fx.ConsolePassword,
				Logger:   logger.With("device", dev.UID),
			})
		},
		SerialAttempts:      fx.SerialAttempts,
		WifiSSID:            fx.WifiSSID,
		WifiPassword:        fx.WifiPassword,
		RepoURL:             fx.RepoURL,
		ProjectDir:          fx.ProjectDir,
		SerialNumberCommand: fx.SerialNumberCommand,
		HostnameFormat:      fx.HostnameFormat,
		Counter:             naming.NewCounter(fx.HostnameStart, fx.HostnameAddSlot),
		Ledger:              ledger,
	}))
	return reg
}

// newEngine opens the run store and builds an engine over the configured
// suites. The caller closes the store.
func newEngine(cfg config.Config, logger *slog.Logger) (*engine.Engine, store.Store, *suite.Registry, error) {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	lastRunID, err := db.MaxRunID(context.Background())
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	suites := buildSuites(cfg, logger)
	eng := engine.NewEngine(db, suites, logger, engine.Options{
		TimeoutMultiplier: cfg.TimeoutMultiplier,
		ProgressInterval:  cfg.ProgressInterval,
		AcquireTimeout:    cfg.AcquireTimeout,
		MaxSessions:       cfg.MaxSessions,
		FirstRunID:        lastRunID,
	})
	return eng, db, suites, nil
}

// selectDevices returns the catalog devices named by uids, or the whole
// catalog when uids is empty.
func selectDevices(catalog []*model.Device, uids []string) ([]*model.Device, error) {
	if len(uids) == 0 {
		return catalog, nil
	}
	byUID := make(map[string]*model.Device, len(catalog))
	for _, d := range catalog {
		byUID[d.UID] = d
	}
	out := make([]*model.Device, 0, len(uids))
	for _, uid := range uids {
		d, ok := byUID[uid]
		if !ok {
			return nil, fmt.Errorf("unknown device %q", uid)
		}
		out = append(out, d)
	}
	return out, nil
}
