// Package upload implements a checksum-aware S3 PutObject client.
//
// Every upload resolves a single transfer framing before any request is
// built:
//
//   - FramingBuffered: the payload digest is known before signing (computed
//     from a re-readable source, or from a small single-pass source read into
//     memory once) and sent as the signed payload hash.
//   - FramingPrecalculatedSigned: a single-pass source with a caller-supplied
//     digest. The digest is signed up front and the body is streamed without
//     buffering; the client verifies the streamed bytes against the digest
//     and withholds the final bytes when they disagree.
//   - FramingChunkedSigned: a single-pass source without a digest whose length
//     is unknown or above the buffering threshold. The body is sent with
//     aws-chunked encoding, each chunk signed from the previous signature.
//
// Failures are returned as *Error values whose kind can be tested with
// errors.Is against ErrConfiguration, ErrTransport, ErrAuthentication,
// ErrIntegrity and ErrServer. The client never retries.
package upload
