/*
Package foldersync keeps the folder trees of all storage sources in step.

Each source holds its own folder tree, native or simulated, and nothing is
shared between them. Folder operations are therefore mirrored to every
active source and the per-source outcomes are reported individually:

	res, err := engine.RenameFolder(ctx, "/docs", "/papers")
	for _, o := range res.Failed() {
		log.Warn("rename failed", "source", o.SourceID, "err", o.Err())
	}

The mirror is best effort. A failure on one source does not undo the
operation on the others, and a caller can retry just the failed sources.
*/
package foldersync
