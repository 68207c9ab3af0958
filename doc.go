// Package canbus provides core types for working with Controller Area
// Network (CAN) frames in Go: a wire-format Frame, a Bus abstraction that
// blocking hardware and in-memory drivers implement, and composable
// utilities (filters, a multiplexer, a logging decorator) built on top of
// that abstraction.
//
// It includes:
//   - A core Frame type with validation and SocketCAN-compatible binary
//     marshaling helpers
//   - An in-memory loopback bus for tests and simulations
//   - Linux SocketCAN drivers (raw CAN_RAW and J1939 CAN_J1939) built on
//     golang.org/x/sys/unix
//   - A serial-bridge driver for adapters that tunnel frames over a UART
//
// The j1939 subpackage builds the ISO 11783 / SAE J1939 network manager on
// top of the Bus and Frame types defined here.
package canbus
