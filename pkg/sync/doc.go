/*
Package sync implements differential session transfer. Instead of copying
the whole session directory on every mount and unmount, the executor diffs
the current fingerprint set against the basis recorded by the previous sync
and transfers only the files that changed.

The incremental path is strictly an optimization: if anything goes wrong
while listing, hashing, or transferring individual files, the executor
abandons the attempt and performs one full transfer. A clean full copy is
always preferable to a partially synced tree.

The sync algorithm only deals with files. Empty directories aren't synced.
*/
package sync
