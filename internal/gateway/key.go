package gateway

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key 由端点与规范化参数生成请求键。
// 参数按键名排序后拼接，参数顺序不同的等价请求得到同一个键。
// 键同时用作缓存键与合并键。
func Key(endpoint string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteByte('&')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return fmt.Sprintf("%s:%016x", endpoint, xxhash.Sum64String(b.String()))
}
