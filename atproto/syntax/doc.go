// Package syntax holds the identifier types used by repositories: account DIDs, and TIDs used as commit revisions.
//
// These are string alias types with syntax checks only. DID resolution is out of scope.
package syntax
