package server

import (
	_ "embed"
)

// indexHTML はストリームを表示する静的ページ
//
//go:embed static/index.html
var indexHTML []byte
