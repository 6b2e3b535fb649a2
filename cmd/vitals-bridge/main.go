// Command vitals-bridge relays contactless vital-sign readings to a
// telemetry sink and receives the video feed they are measured on.
//
// Subcommands:
//
//	serve   run the bridge (ingest, telemetry, preview, metrics)
//	sink    run a local telemetry sink with an HTTP view of the last reading
//	stream  send image files to a bridge's ingest port
package main

func main() {
	Execute()
}
