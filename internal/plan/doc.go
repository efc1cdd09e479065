// Package plan classifies probed media into a delivery plan: which
// renditions to produce, whether each one transmuxes or transcodes,
// and which audio and subtitle tracks carry over into the HLS output.
//
// Classification is a pure function of the probe, the configured
// rendition ladder and the codec compatibility lists. The same inputs
// always yield the same plan, and the plan's fingerprint feeds into
// content-addressed rendition cache keys.
package plan
