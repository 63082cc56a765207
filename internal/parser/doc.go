// Package parser turns fetched content into a tree of sections and
// paragraphs.
//
// Headings open nested sections. A heading closes every open section at the
// same or a deeper level, so an h2 following an h3 becomes a sibling of the
// h3's parent. Content before the first heading hangs directly off the
// document root.
//
// The Registry picks a parser from the media type of the fetched document.
// Unknown types fail with an error wrapping types.ErrPermanent.
package parser
