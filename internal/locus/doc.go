// Package locus classifies which isolated execution context a process is
// running in and which message transports that context may legally use.
//
// Classification is a pure function of an explicit Environment descriptor,
// so it needs no live host to unit test. A Detector memoizes the answer for
// the process lifetime; the locus of a running process never changes.
//
// Check order inside Classify is significant: the least privileged and most
// specific contexts are recognized first, because a wrong answer here makes
// the message bus pick an illegal transport and fail silently.
package locus
