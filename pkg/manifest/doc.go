// Package manifest expands a dataset's metadata.json into the static
// description of every table to load (schema, indexes, director flag) and
// a lazy stream of per-file Contribution Specs ready for the queue.
package manifest
