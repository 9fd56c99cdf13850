package main

import (
	"fmt"

	"github.com/mdnet/mdhome/internal/version"
)

// printVersion 输出版本、提交与上报给控制面的构建号。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
