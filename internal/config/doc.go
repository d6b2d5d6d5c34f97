// Package config handles configuration loading for command-center.
//
// # Configuration File
//
// Locations (in order):
//
//  1. --config flag
//  2. Path from COMMAND_CENTER_CONFIG
//  3. $XDG_CONFIG_HOME/command-center/config.yaml
//  4. ~/.config/command-center/config.yaml
//
// A missing file is not an error for `serve`; Default() is used instead.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COMMAND_CENTER_JWT_SECRET}"
//
// # Sections
//
//	server:
//	  http_addr: "127.0.0.1:3001"   # WebSocket + read-only API
//	  grpc_addr: ""                 # optional grpc.health.v1 endpoint
//	project:
//	  dir: "."                      # contains .claude/agents/*.md
//	runtime:
//	  backend: "claude"             # claude, messages, scripted
//	  claude_binary: "claude"
//	permissions:
//	  ask_tools: ["AskUserQuestion"]
//	  shell_tool: "Bash"
//	  dangerous_patterns: []        # added to the built-in list
//	sessions:
//	  progress_interval: "1s"
//	  shutdown_timeout: "5s"
//	database:
//	  path: ""                      # empty disables the event ledger
//	logging:
//	  level: "info"
//	  format: "text"
package config
