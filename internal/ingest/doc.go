// Package ingest starts and supervises the processes that feed a stream's
// plain RTP endpoint.
//
// The relay does not decode media itself. For every configured stream the
// bootstrap orchestrator asks a Launcher to start an ingest process that pulls
// the stream's source URL and pushes RTP to the producer transport:
//
//   - The video leg is re-encoded to H264 and sent with payload type 96 and the
//     stream's video SSRC.
//   - When audio is enabled a second leg sends Opus with payload type 97 and
//     the audio SSRC to the same endpoint. The plain transport demultiplexes
//     the two flows by SSRC.
//
// FFmpegLauncher runs ffmpeg, forwards its output line by line to the logger,
// records every exit and, when a restart delay is configured, starts the
// process again until the launch context ends. NoopLauncher is used when the
// operator feeds the endpoints from elsewhere.
//
// Process exits never tear down the stream: producers stay registered and
// viewers simply receive no media until the source comes back.
package ingest
