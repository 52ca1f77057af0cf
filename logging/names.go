// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package logging

const (
	ConnPool        string = "connpool"
	Dispatcher      string = "dispatcher"
	ExtensionConfig string = "extension_config_discovery"
	InitManager     string = "init_manager"
	Upstream        string = "upstream"
)
