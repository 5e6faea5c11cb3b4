package cmd

import (
	"fmt"
	"github.com/minesa-org/kaeru/kaeru"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := kaeru.Version
	originalCommitSHA := kaeru.CommitSHA
	originalBuildTime := kaeru.BuildTime

	t.Cleanup(
		func() {
			kaeru.Version = originalVersion
			kaeru.CommitSHA = originalCommitSHA
			kaeru.BuildTime = originalBuildTime
		},
	)

	kaeru.Version = "1.0.0"
	kaeru.CommitSHA = "abc123"
	kaeru.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		kaeru.Version,
		kaeru.CommitSHA,
		kaeru.BuildTime,
	)
	assert.Equal(t, expected, output)
}
