// Package router maps request paths onto backend routes. A table holds any
// number of prefix routes plus one default route that receives every path
// no prefix claims.
package router
