// Package channel implements the worker side of the duplex control channel
// between the execution pool and its sandboxes
//
// Each sandbox holds one websocket connection identified by its sandbox id.
// The pool sends operations down the connection and subscribes to the
// response, output, and progress messages the sandbox sends back
package channel
