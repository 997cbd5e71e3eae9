// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scriptserver implements the local script execution server and the
// client the run_script tool uses to reach it.
//
// Endpoints:
//   - GET /health: {"status":"ok","workingDir":...}
//   - POST /api/run-script (alias /api/run-python-script): run a python or
//     shell script in tmp/<timestamp> under the working directory
//   - GET|HEAD /files/*: serve a file from the working directory
//
// Middleware:
//   - Request IDs, request logging and panic recovery
//   - CORS allowlist for the browser front-ends
//   - Per-IP rate limiting on script runs
//
// Run requests must carry the server passcode, which is stored only as a
// bcrypt hash. A script that exceeds its timeout has its whole process group
// killed.
package scriptserver
