// Package audio holds the PCM16 primitives the pipeline is built on: WAV
// container decoding and encoding, down-mixing and resampling to the 16 kHz
// mono speech format, and level measurement in dBFS for silence detection.
//
// All sample data is signed 16-bit little-endian and interleaved. Nothing in
// this package allocates more than one output buffer per call, so it is safe
// to run over recordings of an hour or more.
package audio
