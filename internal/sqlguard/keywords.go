package sqlguard

// mutatingKeywords may never appear as bare words in an approved statement,
// whatever read-only clauses surround them.
var mutatingKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {}, "UPSERT": {},
	"DROP": {}, "ALTER": {}, "CREATE": {}, "TRUNCATE": {},
	"GRANT": {}, "REVOKE": {}, "COPY": {}, "CALL": {}, "DO": {},
	"EXECUTE": {}, "EXEC": {}, "PREPARE": {}, "DEALLOCATE": {},
	"SET": {}, "INTO": {}, "ATTACH": {}, "DETACH": {}, "PRAGMA": {},
	"BEGIN": {}, "COMMIT": {}, "ROLLBACK": {}, "SAVEPOINT": {},
}

// statementKeywords only act as commands at the head of a statement. Elsewhere
// they are ordinary names (a "comment" or "owner" column), so they are
// rejected only where a statement could start.
var statementKeywords = map[string]struct{}{
	"VACUUM": {}, "ANALYZE": {}, "REINDEX": {}, "CLUSTER": {}, "LOCK": {},
	"COMMENT": {}, "REFRESH": {}, "RENAME": {}, "RESET": {}, "LISTEN": {},
	"NOTIFY": {}, "DISCARD": {}, "LOAD": {}, "IMPORT": {}, "SECURITY": {},
	"OWNER": {},
}

// privilegedFunctions reach outside the query sandbox (files, sessions,
// sleeping, extension loading, SQL passed as text, server settings) and are
// rejected like mutating statements.
var privilegedFunctions = map[string]struct{}{
	"PG_SLEEP": {}, "PG_SLEEP_FOR": {}, "PG_SLEEP_UNTIL": {},
	"PG_READ_FILE": {}, "PG_READ_BINARY_FILE": {}, "PG_LS_DIR": {}, "PG_STAT_FILE": {},
	"PG_LS_LOGDIR": {}, "PG_LS_WALDIR": {}, "PG_LS_TMPDIR": {}, "PG_CURRENT_LOGFILE": {},
	"LO_IMPORT": {}, "LO_EXPORT": {}, "LO_GET": {}, "LO_PUT": {}, "LO_FROM_BYTEA": {},
	"DBLINK": {}, "DBLINK_EXEC": {}, "DBLINK_CONNECT": {}, "DBLINK_SEND_QUERY": {},
	"PG_TERMINATE_BACKEND": {}, "PG_CANCEL_BACKEND": {}, "SET_CONFIG": {},
	"CURRENT_SETTING": {}, "PG_SHOW_ALL_SETTINGS": {}, "PG_RELOAD_CONF": {},
	"LOAD_EXTENSION": {}, "WRITEFILE": {}, "READFILE": {}, "EDIT": {},
	"NEXTVAL": {}, "SETVAL": {},

	// run a query or read a whole relation named in a string argument
	"QUERY_TO_XML": {}, "QUERY_TO_XMLSCHEMA": {}, "QUERY_TO_XML_AND_XMLSCHEMA": {},
	"CURSOR_TO_XML": {}, "CURSOR_TO_XMLSCHEMA": {},
	"TABLE_TO_XML": {}, "TABLE_TO_XMLSCHEMA": {}, "TABLE_TO_XML_AND_XMLSCHEMA": {},
	"SCHEMA_TO_XML": {}, "SCHEMA_TO_XMLSCHEMA": {}, "SCHEMA_TO_XML_AND_XMLSCHEMA": {},
	"DATABASE_TO_XML": {}, "DATABASE_TO_XMLSCHEMA": {}, "DATABASE_TO_XML_AND_XMLSCHEMA": {},
	"TS_STAT": {}, "TS_REWRITE": {},
}

// leadingKeywords are the statement heads accepted as read-only.
var leadingKeywords = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "VALUES": {}, "TABLE": {},
}

// keywords are bare words that are never column references. The set is
// deliberately generous: a missed keyword shows up as an unknown column.
var keywords = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "AND": {}, "OR": {}, "NOT": {}, "IN": {},
	"IS": {}, "NULL": {}, "AS": {}, "ON": {}, "JOIN": {}, "LEFT": {}, "RIGHT": {},
	"INNER": {}, "OUTER": {}, "FULL": {}, "CROSS": {}, "NATURAL": {}, "USING": {},
	"GROUP": {}, "BY": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {}, "OFFSET": {},
	"DISTINCT": {}, "ALL": {}, "ANY": {}, "SOME": {}, "EXISTS": {}, "BETWEEN": {},
	"LIKE": {}, "ILIKE": {}, "SIMILAR": {}, "TO": {}, "ESCAPE": {}, "CASE": {},
	"WHEN": {}, "THEN": {}, "ELSE": {}, "END": {}, "ASC": {}, "DESC": {},
	"NULLS": {}, "FIRST": {}, "LAST": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {},
	"WITH": {}, "RECURSIVE": {}, "MATERIALIZED": {}, "TRUE": {}, "FALSE": {},
	"UNKNOWN": {}, "CAST": {}, "ARRAY": {}, "OVER": {}, "PARTITION": {}, "ROWS": {},
	"ROW": {}, "RANGE": {}, "GROUPS": {}, "PRECEDING": {}, "FOLLOWING": {},
	"UNBOUNDED": {}, "CURRENT": {}, "FILTER": {}, "WITHIN": {}, "LATERAL": {},
	"ONLY": {}, "VALUES": {}, "TABLE": {}, "FETCH": {}, "NEXT": {}, "TIES": {},
	"WINDOW": {}, "COLLATE": {}, "INTERVAL": {}, "EXTRACT": {}, "AT": {},
	"ZONE": {}, "ISNULL": {}, "NOTNULL": {}, "GLOB": {}, "REGEXP": {}, "MATCH": {},
	"ORDINALITY": {}, "TABLESAMPLE": {}, "REPEATABLE": {}, "SYMMETRIC": {},
	"ASYMMETRIC": {}, "LEADING": {}, "TRAILING": {}, "BOTH": {}, "FOR": {},
	"OF": {}, "EXCLUDE": {}, "OTHERS": {}, "NO": {}, "DEFAULT": {},
	"CURRENT_DATE": {}, "CURRENT_TIME": {}, "CURRENT_TIMESTAMP": {},
	"LOCALTIME": {}, "LOCALTIMESTAMP": {}, "CURRENT_USER": {}, "SESSION_USER": {},
	"USER": {}, "CURRENT_SCHEMA": {},

	// date parts used inside EXTRACT / date_part / INTERVAL literals
	"YEAR": {}, "MONTH": {}, "DAY": {}, "HOUR": {}, "MINUTE": {}, "SECOND": {},
	"EPOCH": {}, "DOW": {}, "DOY": {}, "WEEK": {}, "QUARTER": {}, "DECADE": {},
	"CENTURY": {}, "MILLENNIUM": {}, "ISODOW": {}, "ISOYEAR": {},
	"MILLISECONDS": {}, "MICROSECONDS": {}, "TIMEZONE": {},

	// type names that appear after :: or inside CAST(... AS type)
	"INT": {}, "INTEGER": {}, "BIGINT": {}, "SMALLINT": {}, "NUMERIC": {},
	"DECIMAL": {}, "REAL": {}, "FLOAT": {}, "FLOAT4": {}, "FLOAT8": {},
	"DOUBLE": {}, "PRECISION": {}, "TEXT": {}, "VARCHAR": {}, "CHAR": {},
	"CHARACTER": {}, "VARYING": {}, "BOOLEAN": {}, "BOOL": {}, "DATE": {},
	"TIME": {}, "TIMESTAMP": {}, "TIMESTAMPTZ": {}, "WITHOUT": {}, "JSON": {},
	"JSONB": {}, "UUID": {}, "BYTEA": {}, "BLOB": {}, "INT4": {}, "INT8": {},
	"REGCLASS": {},
}

func isKeyword(upper string) bool {
	_, ok := keywords[upper]
	return ok
}

// clauseBoundary words end a FROM-list item, so they can't be read as a
// table alias.
var clauseBoundary = map[string]struct{}{
	"WHERE": {}, "JOIN": {}, "LEFT": {}, "RIGHT": {}, "INNER": {}, "OUTER": {},
	"FULL": {}, "CROSS": {}, "NATURAL": {}, "ON": {}, "USING": {}, "GROUP": {},
	"ORDER": {}, "HAVING": {}, "LIMIT": {}, "OFFSET": {}, "UNION": {},
	"INTERSECT": {}, "EXCEPT": {}, "WINDOW": {}, "FETCH": {}, "FOR": {},
	"TABLESAMPLE": {}, "LATERAL": {}, "WITH": {},
}

func columnSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// tableFunctionColumns are the output columns of the multi-column table
// functions analysts reach for. Other functions must alias their columns.
var tableFunctionColumns = map[string]map[string]struct{}{
	"stat_pearson_correlation_with_p": columnSet("correlation", "p_value", "n"),

	"json_each":       columnSet("key", "value", "type", "atom", "id", "parent", "fullkey", "path"),
	"json_tree":       columnSet("key", "value", "type", "atom", "id", "parent", "fullkey", "path"),
	"jsonb_each":      columnSet("key", "value"),
	"jsonb_each_text": columnSet("key", "value"),
	"json_each_text":  columnSet("key", "value"),
}
