package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlog "twbot/internal/persistence/log"
	"twbot/internal/persistence/statefile"
	"twbot/internal/world"
)

func TestPrintModel(t *testing.T) {
	m := world.New()
	m.PlayerLocationSector = 7
	m.TotalProfit = 420
	m.BlacklistWarp(9)
	m.BlacklistSchema("ship.claim")
	m.Tables.Update("explore|deg:hub", "move.warp", 0.5)
	m.Tables.Update("explore|deg:hub", "bank.balance", 0.1)

	var buf bytes.Buffer
	printModel(&buf, m)
	out := buf.String()
	assert.Contains(t, out, "sector 7")
	assert.Contains(t, out, "total profit 420")
	assert.Contains(t, out, "warp blacklist [9]")
	assert.Contains(t, out, "schema blacklist [ship.claim]")
	assert.Contains(t, out, "bandit contexts: 1")
	assert.Contains(t, out, "move.warp")
}

func TestShowStateReadsStateFile(t *testing.T) {
	dir := t.TempDir()
	m := world.New()
	m.PlayerLocationSector = 3
	require.NoError(t, statefile.Save(filepath.Join(dir, "state.json"), m))

	configPath = filepath.Join(dir, "missing.yaml")
	statePath = filepath.Join(dir, "state.json")
	t.Cleanup(func() { configPath, statePath = "", "" })

	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	require.NoError(t, showState(cmd, nil))
	assert.Contains(t, buf.String(), "sector 3")
}

func TestShowQAStats(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := tlog.NewQALogger(dir)
	require.NoError(t, w.WriteEntry(tlog.QAEntry{TS: clock, Direction: tlog.DirSend, ID: "c-1", Command: "sector.info"}))
	require.NoError(t, w.WriteEntry(tlog.QAEntry{TS: clock.Add(40 * time.Millisecond), Direction: tlog.DirRecv, ReplyTo: "c-1", Type: "sector.info", Status: "ok"}))
	require.NoError(t, w.WriteEntry(tlog.QAEntry{TS: clock, Direction: tlog.DirSend, ID: "c-2", Command: "move.warp"}))
	require.NoError(t, w.Close())

	qaStats = true
	t.Cleanup(func() { qaStats = false })

	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	require.NoError(t, showQA(cmd, []string{dir}))
	out := buf.String()
	assert.Regexp(t, `sector\.info\s+1\s+1\s+0\s+0\s+40ms`, out)
	assert.Regexp(t, `move\.warp\s+1\s+0\s+0\s+1\s+0s`, out)
}
