// Package peripheral defines the boundary to a serial-over-radio peripheral.
//
// A Transport discovers paired peripherals, opens at most one Session at a
// time and reports asynchronous events (disconnect, connection loss, errors
// and received lines) to registered listeners. Concrete transports live in
// sub-packages:
//   - go-ble: Nordic UART service over Bluetooth Low Energy
//   - serialport: RFCOMM-bound or wired serial ports
//
// Incoming bytes are framed into newline-delimited lines before they reach
// listeners, so every DataReceived event carries exactly one frame.
package peripheral
