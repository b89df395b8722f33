// Package errdefs defines the typed errors shared by runbox components.
//
// Every failure that a caller may want to branch on carries a Kind. Callers
// use KindOf, Is or IsNotFound instead of matching error strings:
//
//	if errdefs.IsNotFound(err) {
//	    // map to a 404 at the API layer
//	}
package errdefs
