// Package audiocore holds the shared types of the dual-source recording pipeline.
//
// # Architecture Overview
//
//	Device (malgo) -> capture.Source -> WAV intermediate
//	                        |                  |
//	                   meter.Meter        merge.Engine -> final file
//	                        \                  /
//	                         session.Session (actor)
//
// A session always records the microphone and, when the loopback prober
// reports it Available, the system output as a second independent file.
// On stop both files are aligned at zero and mixed; any merge failure
// falls back to the microphone file so captured audio is never lost.
//
// # Concurrency
//
// Device callbacks run on the audio backend's thread. They only copy PCM into
// a ring buffer, update an atomic level and post events. All session state is
// owned by the session goroutine and mutated through messages.
package audiocore
