// Copyright 2025-2026 GuardFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package guardrails implements the detector variants evaluated by the
orchestrator. Every variant satisfies Detector: it scores one chunk and
returns zero or more DetectionResult values with absolute offsets.

# Variants

  - RegexDetector: built-in PII patterns (email, SSN, credit card with Luhn,
    IPv4/IPv6, phone, opt-in postal code) plus custom expressions.
  - ClassificationDetector: the highest-scoring label of a
    moderation.Classifier, excluding safe labels.
  - StructuralDetector: JSON, YAML or XML well-formedness, with optional JSON
    Schema validation for JSON and YAML.
  - SelfReflectionDetector: asks a chat model whether the chunk violates a
    numbered policy list. Length and forbidden-word pre-checks run first and
    skip the model call when they fire. Answers can be cached in redis.
  - RuleDetector: a CUE boolean expression over text, length, words and
    lines, evaluated without I/O.
  - RemoteDetector: an external detector server speaking the detector API.

# Construction

Builder validates a types.DetectorConfig and builds the matching variant.
Configuration problems are returned as types.ConfigurationError before any
request work starts. Backends reached over HTTP share one resilience.Guard
per URL, so the circuit breaker state survives per-request rebuilds.
*/
package guardrails
