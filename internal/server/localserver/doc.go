// Package localserver serves the admin endpoints on a Unix domain socket.
//
// The socket file is created with mode 0600, so access is controlled by
// file system permissions rather than the network allow list. Client
// returns an http.Client that dials the socket, for local tooling such as
// "statemesh-server status --socket".
package localserver
