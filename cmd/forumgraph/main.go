package main

import "github.com/daemonphantom/BA-TUB-Bot/cmd/forumgraph/cmd"

func main() {
	cmd.Execute()
}
