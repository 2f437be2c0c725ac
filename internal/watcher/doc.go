/*
Package watcher turns artifact files into bus events.

The watcher observes the workspace three levels deep:

	<root>/<documentId>/<executionId>/<segment>

A segment's owning document and execution come from its position. Meta
files, raw sources, temp files and install housekeeping are ignored.
Segments that fail to decode are logged, counted and never published.

Replay reads the artifacts already on disk for the latest execution of
every cell, for the caller to hand to one new subscriber.
*/
package watcher
