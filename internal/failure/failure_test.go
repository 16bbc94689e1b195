// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindUploadRejected, "upload_rejected"},
		{KindTrainingStartRejected, "training_start_rejected"},
		{KindModelLoadFailed, "model_load_failed"},
		{KindConnectionFailed, "connection_failed"},
		{KindProtocolViolation, "protocol_violation"},
		{KindSendRejectedNotReady, "send_rejected_not_ready"},
		{KindTransientPollFailure, "transient_poll_failure"},
		{Kind(99), "kind(99)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindModelLoadFailed, "load demo", errors.New("404 Not Found"))
	assert.Equal(t, "load demo: 404 Not Found", err.Error())
	assert.Equal(t, "load demo", New(KindModelLoadFailed, "load demo").Error())
}

func TestKindOfWrapped(t *testing.T) {
	inner := Wrap(KindConnectionFailed, "dial", errors.New("refused"))
	outer := fmt.Errorf("reconnect: %w", inner)

	assert.Equal(t, KindConnectionFailed, KindOf(outer))
	assert.True(t, Is(outer, KindConnectionFailed))
	assert.True(t, errors.Is(outer, ErrConnectionFailed))
	assert.False(t, errors.Is(outer, ErrModelLoadFailed))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindUnknown))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsNotReady(ErrNotReady))
	assert.True(t, IsTransient(Wrap(KindTransientPollFailure, "poll", nil)))
	assert.False(t, IsTransient(ErrNotReady))
}
