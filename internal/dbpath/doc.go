// Package dbpath canonicalizes database identities so client and broker agree
// on which database a path names regardless of working directory.
package dbpath
