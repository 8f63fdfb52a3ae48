package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleep(t *testing.T) {
	tests := []struct {
		name    string
		d       time.Duration
		cancel  bool
		wantErr error
	}{
		{name: "zero returns at once", d: 0},
		{name: "short wait", d: time.Millisecond},
		{name: "cancelled context", d: time.Hour, cancel: true, wantErr: context.Canceled},
		{name: "cancelled context with zero wait", d: 0, cancel: true, wantErr: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if tt.cancel {
				cancel()
			}

			start := time.Now()
			err := Sleep(ctx, tt.d)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Less(t, time.Since(start), time.Second)

				return
			}

			require.NoError(t, err)
			assert.GreaterOrEqual(t, time.Since(start), tt.d)
		})
	}
}
