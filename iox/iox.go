// Package iox holds small I/O cleanup helpers shared across the tree.
package iox

import "io"

// DiscardClose closes c, dropping the error. For defer sites where a
// failed close leaves nothing to act on:
//
//	defer iox.DiscardClose(dev)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc wraps c.Close for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(link))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr runs fn and drops its error. For cleanup calls that are
// not closes, like a best-effort Flush on the way out:
//
//	defer iox.DiscardErr(st.Flush)
func DiscardErr(fn func() error) { _ = fn() }
