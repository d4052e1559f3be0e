// Package sink provides the random-access byte destinations a transfer
// engine writes completed chunks into, independent of arrival order.
//
// Two implementations exist: an in-memory Buffer for transfers whose
// bytes are handed straight to a downstream decoder, and a File backed
// by seek+write on the local filesystem. Both accept sparse writes at
// arbitrary offsets; the engine tracks its own cursor.
package sink
