/*
Package log provides structured logging for raven using zerolog.

The global Logger is configured once via Init and read from everywhere
else in the process; component-specific loggers are derived from it
with WithComponent, WithUnitID and WithJobID rather than passed down
through every function signature.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	unitLog := log.WithUnitID(string(id))
	unitLog.Info().Str("result", string(result)).Msg("unit stopped")

	jobLog := log.WithJobID(uint64(job.ID))
	jobLog.Error().Err(err).Msg("actuation failed")

# Design

A single package-level zerolog.Logger keeps every call site from
needing to pass a logger through deeply nested calls (the event loop,
job engine, and every unit.Machine implementation all read the same
global). Context loggers (WithComponent/WithUnitID/WithJobID) attach
one field apiece and are meant to be composed: `log.WithComponent("job").
With().Uint64("job_id", id).Logger()` carries both.

Never log secrets (service environment values, credentials) — redact
before calling .Str() on anything that came from a unit's Environment=
or a control request's payload.
*/
package log
