//go:build property
// +build property

package reputation_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/reputation"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

func propStore(ctx context.Context, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, &config.Settings{DBPath: ":memory:"}, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// TestScoreClamp verifies that no sequence of reputation events can
// push an agent score outside [0, 100], and that the send-limit table
// stays consistent with the clamped score.
func TestScoreClamp(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	properties.Property("agent scores stay within [0, 100]", prop.ForAll(
		func(ops []int, seed int) bool {
			st, err := propStore(ctx, logger)
			if err != nil {
				return false
			}
			defer st.Close()
			m := reputation.NewManager(st, logger, 30, 60)
			const addr = "prop::example.com"

			if err := m.SetScore(ctx, addr, seed); err != nil {
				return false
			}
			if s := m.Score(ctx, addr); s < 0 || s > 100 {
				return false
			}
			for _, op := range ops {
				switch op {
				case 0:
					m.RecordAccepted(ctx, addr)
				case 1:
					m.RecordReadReceipt(ctx, addr)
				case 2:
					m.RecordRejected(ctx, addr)
				case 3:
					m.RecordSpamFlag(ctx, addr)
				case 4:
					m.RecordBlocklistHit(ctx, addr)
				case 5:
					m.PromoteVerified(ctx, addr)
				case 6:
					m.DowngradeVerified(ctx, addr)
				}
				s := m.Score(ctx, addr)
				if s < 0 || s > 100 {
					return false
				}
				if (reputation.SendLimit(s) > 0) != (s >= 20) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 6)),
		gen.IntRange(-50, 150),
	))

	properties.Property("relay scores stay within [0, 100] and map to tier limits", prop.ForAll(
		func(ops []int) bool {
			st, err := propStore(ctx, logger)
			if err != nil {
				return false
			}
			defer st.Close()
			m := reputation.NewRelayManager(st, logger, 1000)
			const peer = "peer.example.net"

			for _, op := range ops {
				switch op {
				case 0:
					m.RecordValidForward(ctx, peer)
				case 1:
					m.RecordInvalidSignature(ctx, peer)
				case 2:
					m.RecordMalformed(ctx, peer)
				case 3:
					m.RecordLoopViolation(ctx, peer)
				}
				s := m.Score(ctx, peer)
				if s < 0 || s > 100 {
					return false
				}
				limit := m.InboundLimit(ctx, peer)
				switch {
				case s >= 80:
					if limit != 1000 {
						return false
					}
				case s >= 50:
					if limit != 500 {
						return false
					}
				case s >= 20:
					if limit != 100 {
						return false
					}
				default:
					if limit != 0 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
