// Package chunker turns a parsed document tree into chunk candidates with
// position-based structural paths.
//
// Paths are ordinals over the section hierarchy: "s2/s1/p3" is the third
// non-empty paragraph of the first subsection of the second top-level
// section. Heading text never appears in a path, so renaming a heading keeps
// chunk identities stable while the breadcrumb prefix in the chunk text, and
// with it the content digest, changes.
//
// Paragraph text is normalized before digesting (invalid UTF-8 dropped,
// NFC, whitespace collapsed). Paragraphs over MaxRunes are split at word
// boundaries into "path#0", "path#1" and so on.
//
// Inserting a paragraph shifts the ordinals of its later siblings, which then
// reconcile as changed chunks. That is the cost of position-based identity.
package chunker
