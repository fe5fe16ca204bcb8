// Package all links every vendor converter into the binary. Importing it for side effects is
// what populates the request_format registry; a build that omits it serves only the adapter
// families that take no converter (openai_compat and process).
package all

import (
	_ "relaylabs/conduit/pkg/converters/ali"
	_ "relaylabs/conduit/pkg/converters/anthropic"
	_ "relaylabs/conduit/pkg/converters/baidu"
	_ "relaylabs/conduit/pkg/converters/cohere"
	_ "relaylabs/conduit/pkg/converters/coze"
	_ "relaylabs/conduit/pkg/converters/deepl"
	_ "relaylabs/conduit/pkg/converters/gemini"
	_ "relaylabs/conduit/pkg/converters/openaicompat"
	_ "relaylabs/conduit/pkg/converters/tencent"
	_ "relaylabs/conduit/pkg/converters/thin"
	_ "relaylabs/conduit/pkg/converters/xunfei"
	_ "relaylabs/conduit/pkg/converters/zhipu"
)
