// Package history records output state changes in InfluxDB v2.
//
// A Sink subscribes to output_update events and writes one point per event
// to the domestia_output measurement. Writes go through the client's
// non-blocking write API; failures surface asynchronously and are logged.
package history
