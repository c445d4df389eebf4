package storage

import _ "embed"

//go:embed migrations.sql
var migrations string
