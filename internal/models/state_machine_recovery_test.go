package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBotState_ValidateInvariant(t *testing.T) {
	pos := &Position{MarketID: 1}
	tests := []struct {
		name    string
		stage   Stage
		pos     *Position
		wantErr bool
	}{
		{"idle empty", StageIdle, nil, false},
		{"idle with position", StageIdle, pos, true},
		{"scanning empty", StageScanning, nil, false},
		{"completed with position", StageCompleted, pos, true},
		{"buy filled with position", StageBuyFilled, pos, false},
		{"buy filled empty", StageBuyFilled, nil, true},
		{"sell monitoring empty", StageSellMonitoring, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &BotState{Stage: tt.stage, CurrentPosition: tt.pos}
			err := s.ValidateInvariant()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvariant))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBotState_RepairInvariant(t *testing.T) {
	// Active stage without a position falls back to IDLE.
	s := &BotState{Stage: StageSellPlaced}
	assert.True(t, s.RepairInvariant())
	assert.Equal(t, StageIdle, s.Stage)

	// Inactive stage with a leftover position drops the position.
	s = &BotState{Stage: StageScanning, CurrentPosition: &Position{MarketID: 5}}
	assert.True(t, s.RepairInvariant())
	assert.Equal(t, StageScanning, s.Stage)
	assert.Nil(t, s.CurrentPosition)

	// Consistent state is untouched.
	s = &BotState{Stage: StageBuyFilled, CurrentPosition: &Position{MarketID: 5}}
	assert.False(t, s.RepairInvariant())
	assert.NotNil(t, s.CurrentPosition)
}

func TestBotState_ForceStageBypassesTable(t *testing.T) {
	s := &BotState{Stage: Stage("CORRUPT")}
	s.ForceStage(StageIdle)
	assert.Equal(t, StageIdle, s.Stage)
	assert.Equal(t, Stage("CORRUPT"), s.PreviousStage())
}
