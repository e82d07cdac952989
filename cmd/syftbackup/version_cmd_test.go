package main

import (
	"bytes"
	"testing"

	"github.com/openmined/syftbackup/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version.ShortWithApp())
	assert.Contains(t, out.String(), version.Detailed())
}
