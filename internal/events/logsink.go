package events

import (
	"github.com/rs/zerolog"
)

// LogSink writes every event from sub to logger until the subscription is
// closed. Run it in its own goroutine.
func LogSink(sub *Subscription, logger zerolog.Logger) {
	for ev := range sub.C {
		logEvent(logger, ev)
	}
	if n := sub.Dropped(); n > 0 {
		logger.Warn().Uint64("dropped", n).Msg("Log sink fell behind")
	}
}

func logEvent(logger zerolog.Logger, ev Event) {
	var e *zerolog.Event
	switch p := ev.Payload.(type) {
	case Started:
		e = logger.Info().Str("miner", p.Miner.Hex()).Bool("session_key", p.UsingSession)
		if p.UsingSession {
			e = e.Str("session", p.SessionKey.Hex())
		}
		e.Msg("Mining started")
		return
	case RoundStarted:
		logger.Info().
			Uint64("round", p.Round.ID).
			Time("start", p.Round.StartTime).
			Str("seed", p.Round.SeedHash.Hex()).
			Msg("Round started")
		return
	case Mining:
		e = logger.Debug().
			Uint64("round", p.RoundID).
			Float64("khs", p.HashRate).
			Uint64("hashes", p.Hashes).
			Dur("remaining", p.Remaining)
		if p.Best != (zeroHash) {
			e = e.Str("best", p.Best.Hex())
		}
		e.Msg("Mining")
		return
	case NonceFound:
		logger.Info().
			Uint64("round", p.Attempt.RoundID).
			Str("nonce", p.Attempt.Nonce.Dec()).
			Str("hash", p.Attempt.Hash.Hex()).
			Msg("Nonce found")
		return
	case TransactionSubmitted:
		logger.Info().Str("kind", p.Record.Kind.String()).Str("tx", p.Record.Hash.Hex()).Msg("Transaction submitted")
		return
	case TransactionConfirmed:
		logger.Info().
			Str("kind", p.Record.Kind.String()).
			Str("tx", p.Record.Hash.Hex()).
			Uint64("block", p.Record.BlockNumber).
			Msg("Transaction confirmed")
		return
	case TransactionFailed:
		e = logger.Warn()
		if p.Fatal {
			e = logger.Error()
		}
		e.Str("kind", p.TxKind.String()).Str("class", p.Class).Str("error", p.Err).Msg("Transaction failed")
		return
	case RewardReceived:
		logger.Info().Str("amount", p.Amount.String()).Str("tx", p.TxHash.Hex()).Msg("Reward received")
		return
	case UserRejected:
		logger.Warn().Str("kind", p.TxKind.String()).Msg("Signature rejected by user")
		return
	case Stopped:
		e = logger.Info().Str("reason", p.Reason)
		if p.Err != "" {
			e = e.Str("error", p.Err)
		}
		e.Msg("Mining stopped")
		return
	case Error:
		e = logger.Warn()
		if p.Fatal {
			e = logger.Error()
		}
		if p.SessionKey != (zeroAddr) {
			e = e.Str("session", p.SessionKey.Hex())
		}
		e.Str("op", p.Op).Str("error", p.Err).Msg("Mining error")
		return
	}
	logger.Debug().Uint64("seq", ev.Seq).Str("kind", ev.Kind.String()).Msg("Event")
}
