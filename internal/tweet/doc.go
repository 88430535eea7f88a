// Package tweet turns filtered-stream status payloads into Messages ready
// for delivery: retweets and quotes are flattened into text, media links
// are pulled out as MediaItems, and short links are expanded.
//
// Normalization is pure apart from optional logging.
package tweet
