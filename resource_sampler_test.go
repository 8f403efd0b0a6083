// resource_sampler_test.go: tests for the gopsutil process sampler
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessSampler_CurrentProcess(t *testing.T) {
	s := NewProcessSampler()
	usage, err := s.Sample(context.Background(), int32(os.Getpid()), t.TempDir()) // #nosec G115 -- pids fit in int32
	require.NoError(t, err)

	assert.Greater(t, usage.MemoryMB, 0.0)
	assert.GreaterOrEqual(t, usage.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, usage.Uptime.Seconds(), 0.0)
	assert.GreaterOrEqual(t, usage.DiskPercent, 0.0)
}

func TestProcessSampler_MissingProcess(t *testing.T) {
	s := NewProcessSampler()

	_, err := s.Sample(context.Background(), 0, "")
	assert.True(t, HasErrorCode(err, ErrCodeExtensionNotFound))

	_, err = s.Sample(context.Background(), math.MaxInt32, "")
	assert.True(t, HasErrorCode(err, ErrCodeExtensionNotFound))
}
