package main

import (
	"fmt"
	"io"
	"runtime"
)

const (
	desc      = "Redirect selected tcp/udp flows to relay servers, with direct/relay racing\n"
	delimiter = "===============================\n"
)

var Version string = "[version_undefined]" //版本号可由 -ldflags "-X 'main.Version=v1.x.x'" 指定

func versionStr() string {
	return fmt.Sprintf("natcap %s, %s %s %s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printVersion_simple(w io.StringWriter) {
	w.WriteString(versionStr())
}

// printVersion 返回的信息 可以唯一确定一个编译文件的 版本.
func printVersion(w io.StringWriter) {
	w.WriteString(delimiter)
	printVersion_simple(w)
	w.WriteString(delimiter)

	w.WriteString(desc)
	w.WriteString(delimiter)
}
