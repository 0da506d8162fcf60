package service_test

import (
	"testing"

	"Deskwire/internal/model"
	"Deskwire/internal/service"

	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name   string
		from   string
		to     string
		reason string
		want   error
	}{
		{"open to pending", model.StatusOpen, model.StatusPending, "", nil},
		{"pending to open", model.StatusPending, model.StatusOpen, "", nil},
		{"open to open", model.StatusOpen, model.StatusOpen, "", nil},
		{"open closed resolved", model.StatusOpen, model.StatusClosed, model.ClosedResolved, nil},
		{"pending closed spam", model.StatusPending, model.StatusClosed, model.ClosedSpam, nil},
		{"closed reopens to open", model.StatusClosed, model.StatusOpen, "", nil},
		{"closed reopens to pending", model.StatusClosed, model.StatusPending, "", nil},

		{"closing without reason", model.StatusOpen, model.StatusClosed, "", service.ErrClosedReasonRequired},
		{"closing with unknown reason", model.StatusOpen, model.StatusClosed, "bored", service.ErrInvalidClosedReason},
		{"reason outside closing", model.StatusOpen, model.StatusPending, model.ClosedResolved, service.ErrUnexpectedReason},
		{"unknown target", model.StatusOpen, "archived", "", service.ErrInvalidTransition},
		{"unknown source", "draft", model.StatusOpen, "", service.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.ValidateTransition(tt.from, tt.to, tt.reason)
			if tt.want == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.want)
			}
		})
	}
}
