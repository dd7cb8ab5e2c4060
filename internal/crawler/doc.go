// Package crawler implements the discovery engine for regulatory tariff
// documents: URL scoring, the bounded best-first site traversal, sitemap
// discovery, partial-content verification, and the politeness, robots, and
// SSRF policies shared by every fetch path.
package crawler
