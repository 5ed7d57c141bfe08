// Package transport implements the relay core of tcpbridge.
//
// An Acceptor binds a local TCP endpoint and creates one Bridge per
// accepted connection. A Bridge pairs the accepted client connection
// with a freshly dialed upstream connection and runs two independent
// copy loops, one per direction, each applying its own stream cipher
// instance to the bytes it forwards.
//
// Teardown follows the half-close state machine described on Bridge:
// each loop failure sets one of four flags, and the bridge fully closes
// once the configured close policy is satisfied.
package transport
