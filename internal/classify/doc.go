// Package classify assigns discovered links to a (program, period) bucket.
//
// Classification is a pure function of the link and the context captured at
// discovery time. Program matching is an ordered list of strategies tried in
// sequence (table context, then filename, then nearest heading); the first
// strategy that recognizes a program keyword wins, and links no strategy
// recognizes land in the Uncategorized bucket.
package classify
