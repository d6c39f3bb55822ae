package driver

type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
	DriverCustom Driver = "custom"
)
