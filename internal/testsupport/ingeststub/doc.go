// Package ingeststub fakes the ingest side of the relay for tests. Launcher
// records the jobs it is asked to start and can feed RTP into each job's
// output endpoint the way ffmpeg would; SendRTP pushes single packets to a
// plain transport.
package ingeststub
