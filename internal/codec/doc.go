// Package codec serializes bus payloads that carry more than plain JSON:
// timestamps, regular expressions, errors, binary buffers, ordered maps and
// sets, plus callable and large-binary references.
//
// Callables and blobs never cross a transport by copy. Encoding mints a
// reference token and parks the real object in a Registry; the token is what
// travels. Registry entries are evicted after a fixed grace period so
// abandoned references cannot leak memory. Decoding a token this process
// does not hold produces a safe stand-in: blobs come back empty, callables
// come back as functions that return a descriptive error when invoked.
//
// Decode never fails. Malformed bytes produce a tagged *RemoteError value,
// because a hostile or corrupt message must never crash the receiving
// context.
package codec
