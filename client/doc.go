// Package client implements the TFTP client side of the session dispatcher:
// Get downloads a remote file with the transfer engine in the receiver role,
// Put uploads a local file in the sender role. Either talks to whatever
// answers at Options.ServerAddr, a server or an error simulator relay.
package client
