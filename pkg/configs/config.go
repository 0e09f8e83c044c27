package configs

type Config struct {
	GrpcAddr   string
	HttpAddr   string
	DebugAddr  string
	Datastore  string
	Cassandra  CassandraConfig
	Redis      RedisConfig
	GCP        GCPConfig
	PolicyFile string
	JWTSecret  string
	LogLevel   string
}

type CassandraConfig struct {
	Hosts    string
	Keyspace string
}

type RedisConfig struct {
	Address  string
	Database int
	Password string
}

type GCPConfig struct {
	Project   string
	Namespace string
}
