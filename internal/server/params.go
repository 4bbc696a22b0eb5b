package server

import (
	"net/url"
	"strconv"
	"strings"
)

// 查询参数的上限与默认值。
const (
	defaultLimit = 100
	maxLimit     = 100
)

// flightFilterParams 航班查询允许透传的过滤参数。
// IATA 代码统一转大写，状态统一转小写，日期原样透传，
// 等价请求归一到同一个缓存键。
var flightFilterParams = map[string]paramKind{
	"flight_iata":   kindIATA,
	"airline_iata":  kindIATA,
	"dep_iata":      kindIATA,
	"arr_iata":      kindIATA,
	"flight_status": kindStatus,
	"flight_date":   kindRaw,
}

// airportFilterParams 机场查询允许透传的过滤参数。
var airportFilterParams = map[string]paramKind{
	"iata_code":    kindIATA,
	"country_iso2": kindIATA,
	"search":       kindRaw,
}

type paramKind int

const (
	kindIATA paramKind = iota
	kindStatus
	kindRaw
)

func normalizeParams(query url.Values, allowed map[string]paramKind) url.Values {
	params := url.Values{}
	for name, kind := range allowed {
		value := strings.TrimSpace(query.Get(name))
		if value == "" {
			continue
		}
		switch kind {
		case kindIATA:
			params.Set(name, strings.ToUpper(value))
		case kindStatus:
			params.Set(name, strings.ToLower(value))
		case kindRaw:
			params.Set(name, value)
		}
	}
	params.Set("limit", strconv.Itoa(normalizeLimit(query.Get("limit"))))
	return params
}

// normalizeFlightParams 提取并规范化航班查询参数。
func normalizeFlightParams(query url.Values) url.Values {
	return normalizeParams(query, flightFilterParams)
}

// normalizeAirportParams 提取并规范化机场查询参数。
func normalizeAirportParams(query url.Values) url.Values {
	return normalizeParams(query, airportFilterParams)
}

// normalizeLimit 解析 limit 参数并收敛到合法区间。
func normalizeLimit(raw string) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
