/*
Package inventory parses the flat inventory file that lists every known file
series and the time it covers, and builds the immutable Index served to
queries.

# Inventory Format

Each non-blank line describes one directory of fixed-duration files:

	/data/H1/H-H1_R-10000,H,H1_R,1,64,gwf 1700000000 3 {1000000000 1000000192}

The comma-separated header holds path, site, tag, flag, duration and,
in current files, the extension. Older files omit the extension, in which
case the parser's configured legacy extension applies. The trailer is the
modification time, the file count, and a braced list of start/stop pairs.

# Filtering

Rules compiles ordered include and exclude patterns; both are matched
against "site-tag". Exclusion wins over inclusion.

# Access List

ParseAccessList reads the companion access list, one quoted subject and
identity per line, used by the authorization gate.
*/
package inventory
