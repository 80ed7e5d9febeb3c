package language

// The home directory and tool caches point at /tmp because the sandbox root
// filesystem is mounted read-only with a tmpfs at /tmp.
var builtin = []Profile{
	{
		ID:         "python",
		Name:       "Python 3.12",
		Image:      "python:3.12-slim",
		EntryFile:  "main.py",
		Extensions: []string{".py"},
		RunCmd:     "python -u {entry}",
		Env:        []string{"HOME=/tmp", "PYTHONDONTWRITEBYTECODE=1"},
	},
	{
		ID:         "javascript",
		Name:       "Node.js 20",
		Image:      "node:20-slim",
		EntryFile:  "main.js",
		Extensions: []string{".js", ".mjs", ".cjs"},
		RunCmd:     "node {entry}",
		Env:        []string{"HOME=/tmp"},
	},
	{
		// tsc is fetched by npx on first use, so only the transpile step
		// gets network access. The emitted JavaScript runs offline.
		ID:           "typescript",
		Name:         "TypeScript 5 (Node.js 20)",
		Image:        "node:20-slim",
		EntryFile:    "main.ts",
		Extensions:   []string{".ts"},
		BuildCmd:     "npx -y -p typescript@5 tsc --target ES2020 --module commonjs --esModuleInterop --skipLibCheck {entry}",
		RunCmd:       "node {entry_stem}.js",
		BuildNetwork: true,
		Env:          []string{"HOME=/tmp", "NPM_CONFIG_CACHE=/tmp/.npm", "NPM_CONFIG_UPDATE_NOTIFIER=false"},
	},
	{
		ID:         "go",
		Name:       "Go 1.23",
		Image:      "golang:1.23-alpine",
		EntryFile:  "main.go",
		Extensions: []string{".go"},
		BuildCmd:   "go build -o main_bin {entry}",
		RunCmd:     "./main_bin",
		Env: []string{
			"HOME=/tmp",
			"GOCACHE=/tmp/go-cache",
			"GOPATH=/tmp/go",
			"GOTOOLCHAIN=local",
			"GOFLAGS=-buildvcs=false",
			"CGO_ENABLED=0",
		},
	},
	{
		ID:         "java",
		Name:       "Java 21",
		Image:      "openjdk:21-jdk-slim",
		EntryFile:  "Main.java",
		Extensions: []string{".java"},
		BuildCmd:   "javac {entry}",
		RunCmd:     "java -cp {entry_dir} {class}",
		Env:        []string{"HOME=/tmp"},
	},
	{
		ID:         "cpp",
		Name:       "C++17 (GCC 13)",
		Image:      "gcc:13",
		EntryFile:  "main.cpp",
		Extensions: []string{".cpp", ".cc", ".cxx"},
		BuildCmd:   "g++ -O2 -std=c++17 -pipe -o main_bin {entry}",
		RunCmd:     "./main_bin",
		Env:        []string{"HOME=/tmp"},
	},
}
