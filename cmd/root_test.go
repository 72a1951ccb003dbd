package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "migrate", "lookup", "freshness", "enrich", "sync", "seed", "import-schedule"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "tariff-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestLookupCommand_Flags(t *testing.T) {
	for _, name := range []string{"origin", "context"} {
		assert.NotNil(t, lookupCmd.Flags().Lookup(name), "lookup should have --%s flag", name)
	}
}

func TestSyncCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range syncCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"mfn", "section301", "runs", "failures"} {
		assert.True(t, names[name], "sync should have subcommand %q", name)
	}
}

func TestSyncCommand_Flags(t *testing.T) {
	for _, c := range []*cobra.Command{syncMFNCmd, syncSection301Cmd} {
		flag := c.Flags().Lookup("force")
		require.NotNil(t, flag, "%s should have --force flag", c.Name())
		assert.Equal(t, "false", flag.DefValue)
	}

	limit := syncRunsCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "50", limit.DefValue)
}

func TestImportScheduleCommand_Flags(t *testing.T) {
	for _, name := range []string{"file", "sheet", "tracked-only"} {
		assert.NotNil(t, importScheduleCmd.Flags().Lookup(name), "import-schedule should have --%s flag", name)
	}
}
